package escrow

// Store key layout. Guards live beside the record so claiming one is a
// single insert-if-absent.
const (
	recordPrefix   = "transaction:"
	creditedPrefix = "credited:"
	expiredPrefix  = "expired:"
)

func recordKey(id string) string   { return recordPrefix + id }
func creditedKey(id string) string { return creditedPrefix + id }
func expiredKey(id string) string  { return expiredPrefix + id }
