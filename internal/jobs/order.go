package jobs

import (
	"encoding/json"
	"fmt"
	"io"
)

// WorkOrder is the wire form handed to a worker subprocess (on stdin).
// It carries everything the worker needs to run the body and write its own
// worker record: the job identity, the body name and args, the run directory
// holding the record store, and a copy of the descriptor fields.
type WorkOrder struct {
	JobID    string          `json:"job_id"`
	FuncName string          `json:"func_name"`
	Args     json.RawMessage `json:"args,omitempty"`
	RunDir   string          `json:"run_dir"`

	Category          string `json:"category,omitempty"`
	Source            string `json:"source,omitempty"`
	Step              string `json:"step,omitempty"`
	Description       string `json:"description,omitempty"`
	MemoryRequirement uint64 `json:"memory_requirement,omitempty"`
	SkipAdmission     bool   `json:"skip_admission,omitempty"`
}

func (o WorkOrder) Validate() error {
	if o.JobID == "" {
		return fmt.Errorf("jobs: work order missing job id")
	}
	if o.FuncName == "" {
		return fmt.Errorf("jobs: work order missing func name")
	}
	if o.RunDir == "" {
		return fmt.Errorf("jobs: work order missing run dir")
	}
	return nil
}

func EncodeOrder(w io.Writer, o WorkOrder) error {
	return json.NewEncoder(w).Encode(o)
}

func DecodeOrder(r io.Reader) (WorkOrder, error) {
	var o WorkOrder
	if err := json.NewDecoder(r).Decode(&o); err != nil {
		return WorkOrder{}, fmt.Errorf("jobs: decode work order: %w", err)
	}
	if err := o.Validate(); err != nil {
		return WorkOrder{}, err
	}
	return o, nil
}
