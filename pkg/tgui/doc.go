// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers with a server-side overflow store
//   - A message builder that escapes for ParseMode="HTML" by default
package tgui
