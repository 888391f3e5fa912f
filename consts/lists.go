package consts

// List kinds. Built-in lists are seeded per account and cannot be
// deleted; custom lists appear on first add-to-list use.
const (
	ListKindBuiltin = "builtin"
	ListKindCustom  = "custom"
)

// BuiltinLists are seeded for every configured account.
var BuiltinLists = []string{
	"allow",
	"deny",
	"vendor",
	"recruiter",
}
