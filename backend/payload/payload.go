package payload

// Payload is a serialized value as stored in the record store.
type Payload []byte
