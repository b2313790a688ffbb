//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// Backend names the resampling backend compiled into the binary.
func Backend() string {
	return "imaging"
}

func newTransformer() (Transformer, error) {
	return imagingTransformer{}, nil
}
