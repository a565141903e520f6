package fs

// Config supplies model hyperparameters by key. Scalar accessors take an
// optional default that is returned when the key is absent.
type Config interface {
	Architecture() string

	String(key string, defaultValue ...string) string
	Uint(key string, defaultValue ...uint32) uint32
	Int(key string, defaultValue ...int32) int32
	Float(key string, defaultValue ...float32) float32
	Bool(key string, defaultValue ...bool) bool

	Strings(key string, defaultValue ...[]string) []string
	Ints(key string, defaultValue ...[]int32) []int32
	Floats(key string, defaultValue ...[]float32) []float32
}
