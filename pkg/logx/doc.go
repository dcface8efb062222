// Package logx is taskbot's structured logging layer.
//
// It wraps zerolog behind a small Logger value so components can carry
// fixed fields (comp=..., task=...) and survive runtime reconfiguration:
//   - console output is human readable (short timestamp + file:line caller)
//   - file output stays JSON
//   - an optional Telegram sink forwards warnings to an operator chat,
//     bounded by a minimum level and a token bucket
package logx
