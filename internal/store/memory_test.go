package store_test

import (
	"testing"

	"pickupcal/internal/store"
	"pickupcal/internal/store/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, store.NewMemory())
}
