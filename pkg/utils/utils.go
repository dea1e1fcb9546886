package utils

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// SetDefaultNum sets *p to def if *p is zero.
func SetDefaultNum[T number](p *T, def T) {
	if *p == 0 {
		*p = def
	}
}
