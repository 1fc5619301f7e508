// Package logx configures walletwatch's structured logging.
//
// Components log through a small value type (logx.Logger) on top of zerolog:
//   - Console output stays readable (short timestamp + file:line caller)
//   - File output is JSON lines
//   - An optional alert sink forwards WARN+ lines to the notification channel,
//     rate limited so a failing component cannot flood it
package logx
