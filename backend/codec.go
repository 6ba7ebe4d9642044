package backend

// Codec names.
const (
	CodecNameMsgpack = "msgpack"
	CodecNameJSON    = "json"
)

// Codec converts a unit of work (and its result) to and from the
// transportable payload shipped through the artifact store. The encoded
// bytes are opaque to everything else in tether; the remote worker must
// use the same codec.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}
