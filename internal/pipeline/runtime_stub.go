//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// normalizeInput hands the bytes to the Go decoders unchanged.
func normalizeInput(data []byte) ([]byte, error) {
	return data, nil
}
