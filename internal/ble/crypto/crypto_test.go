package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{"empty", nil, 0x00},
		{"single", []byte{0x68}, 0x68},
		{"handshake", []byte{0x68, 0x05}, 0x6d},
		{"cancels out", []byte{0xAA, 0xAA}, 0x00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum(%x) = 0x%02x, want 0x%02x", tt.data, got, tt.want)
			}
		})
	}
}

func TestEncryptHandshake(t *testing.T) {
	// 0x68 0x05 + checksum 0x6d, each XOR 0x0e; length byte (3+1)^0x54.
	want := []byte{0x54, 0x50, 0x5A, 0x66, 0x0b, 0x63}
	got := Encrypt([]byte{0x68, 0x05})
	if !bytes.Equal(got, want) {
		t.Errorf("Encrypt(handshake) = %x, want %x", got, want)
	}
}

func TestEncryptHeaderLength(t *testing.T) {
	for n := 1; n <= 250; n++ {
		payload := bytes.Repeat([]byte{0x11}, n)
		got := Encrypt(payload)
		if len(got) != HeaderSize+n+1 {
			t.Fatalf("len(Encrypt(%d bytes)) = %d, want %d", n, len(got), HeaderSize+n+1)
		}
		if want := byte(n+2) ^ 0x54; got[1] != want {
			t.Fatalf("Encrypt(%d bytes)[1] = 0x%02x, want 0x%02x", n, got[1], want)
		}
		if got[0] != 0x54 || got[2] != 0x5A {
			t.Fatalf("header = %x, want 54 .. 5a", got[:3])
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for n := 1; n <= 250; n++ {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*7 + n)
		}

		decrypted, err := Decrypt(Encrypt(payload))
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if len(decrypted) != n+1 {
			t.Fatalf("round trip of %d bytes gave %d bytes", n, len(decrypted))
		}
		if !bytes.Equal(decrypted[:n], payload) {
			t.Fatalf("round trip payload = %x, want %x", decrypted[:n], payload)
		}
		if decrypted[n] != Checksum(payload) {
			t.Fatalf("trailing byte = 0x%02x, want checksum 0x%02x", decrypted[n], Checksum(payload))
		}

		body, err := VerifyChecksum(decrypted)
		if err != nil {
			t.Fatalf("VerifyChecksum() error = %v", err)
		}
		if !bytes.Equal(body, payload) {
			t.Fatalf("VerifyChecksum() body = %x, want %x", body, payload)
		}
	}
}

func TestEncryptDoesNotMutateInput(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	_ = Encrypt(payload)
	if !bytes.Equal(payload, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("Encrypt modified its input: %x", payload)
	}
}

func TestDecryptUsesHeaderKey(t *testing.T) {
	// key = 0x10 ^ 0x33 = 0x23
	chunk := []byte{0x10, 0x00, 0x33, 0x23 ^ 0x01, 0x23 ^ 0xFF}
	got, err := Decrypt(chunk)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if want := []byte{0x01, 0xFF}; !bytes.Equal(got, want) {
		t.Errorf("Decrypt() = %x, want %x", got, want)
	}
}

func TestDecryptHeaderOnly(t *testing.T) {
	got, err := Decrypt([]byte{0x54, 0x55, 0x5A})
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Decrypt(header only) = %x, want empty", got)
	}
}

func TestDecryptShortChunk(t *testing.T) {
	for _, chunk := range [][]byte{nil, {0x54}, {0x54, 0x55}} {
		_, err := Decrypt(chunk)
		if !errors.Is(err, ErrShortChunk) {
			t.Errorf("Decrypt(%x) error = %v, want ErrShortChunk", chunk, err)
		}
	}
}

func TestVerifyChecksumMismatch(t *testing.T) {
	_, err := VerifyChecksum([]byte{0x01, 0x02, 0x00})
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("VerifyChecksum() error = %v, want ErrChecksum", err)
	}

	_, err = VerifyChecksum(nil)
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("VerifyChecksum(nil) error = %v, want ErrChecksum", err)
	}
}
