// Package logx is radiorec's logger: a thin value-type wrapper over zerolog.
//
// Console output is human-oriented (short timestamp, short caller); the
// optional file sink writes JSON lines. Level and sinks can be swapped at
// runtime by Service.Apply, which config hot reload uses.
package logx
