package runtime

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
)

// EncodeResponse renders resp for the wire. "json" uses the Response JSON
// form; "protojson" converts it to a google.protobuf.Struct first, so
// consumers can decode it with any protobuf runtime.
func EncodeResponse(resp Response, encoding string) ([]byte, error) {
	switch normalizeEncoding(encoding) {
	case configpkg.EncodingJSON:
		return jsoncodec.Marshal(resp)
	case configpkg.EncodingProtoJSON:
		st, err := responseStruct(resp)
		if err != nil {
			return nil, err
		}
		return protojson.Marshal(st)
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownEncoding, encoding)
	}
}

// DecodeResponse parses data produced by EncodeResponse. Value and Error come
// back in their generic JSON form.
func DecodeResponse(data []byte, encoding string) (Response, error) {
	var resp Response
	switch normalizeEncoding(encoding) {
	case configpkg.EncodingJSON:
		err := jsoncodec.Unmarshal(data, &resp)
		return resp, err
	case configpkg.EncodingProtoJSON:
		st := &structpb.Struct{}
		if err := protojson.Unmarshal(data, st); err != nil {
			return Response{}, err
		}
		generic, err := jsoncodec.Marshal(st.AsMap())
		if err != nil {
			return Response{}, err
		}
		err = jsoncodec.Unmarshal(generic, &resp)
		return resp, err
	default:
		return Response{}, fmt.Errorf("%w: %q", errspkg.ErrUnknownEncoding, encoding)
	}
}

func responseStruct(resp Response) (*structpb.Struct, error) {
	generic, err := jsoncodec.Normalize(resp)
	if err != nil {
		return nil, fmt.Errorf("normalize response %s: %w", resp.ID, err)
	}
	fields, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("normalize response %s: unexpected %T", resp.ID, generic)
	}
	return structpb.NewStruct(fields)
}

func normalizeEncoding(encoding string) string {
	if encoding == "" {
		return configpkg.EncodingJSON
	}
	return strings.ToLower(encoding)
}
