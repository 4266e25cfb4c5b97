package sha256

import "testing"

func TestHasherDigestsArtifact(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte(`{}`))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	other, err := h.Hash([]byte(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if other == got {
		t.Fatal("expected different payloads to hash differently")
	}
}
