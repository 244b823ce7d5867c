package accsync

import (
	"errors"
	"testing"

	"github.com/crbnos/accounting_sync/utils"
	"gorm.io/gorm"
)

func TestNotFoundToSentinel(t *testing.T) {
	if err := notFoundToSentinel(gorm.ErrRecordNotFound); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected the not-found sentinel, got %v", err)
	}
	boom := errors.New("connection reset")
	if err := notFoundToSentinel(boom); !errors.Is(err, boom) {
		t.Fatalf("unrelated errors must pass through, got %v", err)
	}
	if err := notFoundToSentinel(nil); err != nil {
		t.Fatalf("nil must stay nil, got %v", err)
	}
}
