package ports

import "time"

// Clock devuelve la hora actual. Permite simular el paso del tiempo
// (cooldown de recombine) sin dormir.
type Clock interface {
	Now() time.Time
}

// SystemClock usa la hora del sistema.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
