package constants

// Store drivers accepted in the configuration.
const (
	StoreDriverMemory    = "memory"
	StoreDriverFirestore = "firestore"
	StoreDriverRedis     = "redis"
	StoreDriverBadger    = "badger"
	StoreDriverPostgres  = "postgres"
)

// Device record field names as written to the store.
const (
	FieldID           = "id"
	FieldLatitude     = "lat"
	FieldLongitude    = "lng"
	FieldBatteryLevel = "batteryLevel"
	FieldName         = "name"
	FieldStatus       = "status"
)
