// Package logx is wasched's logging layer over zerolog.
//
// Console output is human readable, the optional log file gets JSON lines.
// Loggers handed out by a Service follow Service.Apply, so a config reload
// changes levels and sinks without rewiring components. Named loggers can be
// given their own level through Config.Components.
package logx
