package tgui

// MaxMessageLen is Telegram's text limit per message, in UTF-16 units.
// Builders cap rendered text a little below it.
const MaxMessageLen = 4096

const safeMessageLen = 3900
