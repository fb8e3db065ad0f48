package memory

import (
	"testing"

	"github.com/stellarlinkco/cardsync/internal/storage"
	"github.com/stellarlinkco/cardsync/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}
