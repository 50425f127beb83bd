package archive

import (
	"testing"
	"time"
)

func TestObjectName(t *testing.T) {
	at := time.Date(2025, 7, 4, 10, 30, 0, 123, time.FixedZone("IST", 19800))

	got := ObjectName("acc-1", "transactions", at)
	want := "model-outputs/acc-1/transactions/20250704T050000.000000123Z.json"
	if got != want {
		t.Errorf("ObjectName() = %q, want %q", got, want)
	}

	if got := ObjectName("", "orders", at); got != "model-outputs/unknown/orders/20250704T050000.000000123Z.json" {
		t.Errorf("ObjectName() with empty account = %q", got)
	}
}
