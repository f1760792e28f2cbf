package consts

// DefaultMailbox receives the implicit keep when no other mailbox is configured.
const DefaultMailbox = "INBOX"
