package broadcast

import (
	"github.com/skip2/go-qrcode"

	"offpay/cmd/payment"
)

// qrLevel trades capacity for damage tolerance; descriptors are small.
const qrLevel = qrcode.Medium

// PNG renders d as a square PNG of size pixels.
func PNG(d payment.SessionDescriptor, size int) ([]byte, error) {
	b, err := d.Encode()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(string(b), qrLevel, size)
}

// Terminal renders d as block characters for a terminal.
func Terminal(d payment.SessionDescriptor) (string, error) {
	b, err := d.Encode()
	if err != nil {
		return "", err
	}
	q, err := qrcode.New(string(b), qrLevel)
	if err != nil {
		return "", err
	}
	return q.ToString(false), nil
}
