package shadow

import (
	"unsafe"

	"mem"
)

func pg2pde(pg *mem.Pg_t) unsafe.Pointer { return unsafe.Pointer(pg) }
func pg2pte(pg *mem.Pg_t) unsafe.Pointer { return unsafe.Pointer(pg) }
