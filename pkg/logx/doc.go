// Package logx is a thin zerolog wrapper with hot-swappable sinks.
//
// Components hold a Logger value; the Service owns the root zerolog logger
// and can re-point sinks/levels at runtime via Apply() without invalidating
// loggers already handed out.
package logx
