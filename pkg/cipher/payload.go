package cipher

// Payload is the EQL JSONB wire shape: on write a
// plaintext literal/parameter is replaced with this shape; on read the
// server returns the same shape and the proxy decrypts the "c" field.
type Payload struct {
	V  int      `json:"v"`
	I  PayloadI `json:"i"`
	C  string   `json:"c"`             // mp-base85 ciphertext
	M  []uint16 `json:"m,omitempty"`   // match-index tokens
	O  []string `json:"o,omitempty"`   // ore terms, hex
	U  string   `json:"u,omitempty"`   // unique-index term, hex
	B  string   `json:"b,omitempty"`   // blake3/hmac term, hex
	Ocf string  `json:"ocf,omitempty"`
	Ocv string  `json:"ocv,omitempty"`
	S  string   `json:"s,omitempty"`
	Sv []any    `json:"sv,omitempty"` // nested SteVec terms
	Bf *bool    `json:"bf,omitempty"`
}

// PayloadI identifies the origin column of a Payload.
type PayloadI struct {
	T string `json:"t"`
	C string `json:"c"`
}

// CurrentPayloadVersion is the "v" field emitted by this proxy.
const CurrentPayloadVersion = 2
