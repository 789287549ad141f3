//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// Backend names the codec compiled into this binary.
func Backend() string {
	return "stdlib"
}

func newCodec() (Codec, error) {
	return stdlibCodec{}, nil
}
