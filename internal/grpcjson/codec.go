// Package grpcjson installs a JSON-over-gRPC codec in place of the
// default protobuf codec. clustermgrd's gRPC surface (SPEC_FULL.md
// §4.12) carries the same tuple-stream shape as the HTTP API, and
// registering under the wire name "proto" lets plain Go structs ride
// google.golang.org/grpc without a protoc toolchain step, while still
// interoperating with improbable-eng/grpc-web's browser transport.
package grpcjson

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Name must be "proto" to replace grpc-go's built-in codec, which is
// otherwise selected whenever a call carries no content-subtype.
func (codec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(codec{})
}
