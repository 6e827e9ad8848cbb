package config

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/marmos91/skystream/internal/bytesize"
)

// bytesizeDecodeHook decodes "128Mi"-style strings and plain numbers into
// bytesize.ByteSize fields.
func bytesizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
