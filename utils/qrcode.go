package utils

import qrcode "github.com/skip2/go-qrcode"

// QRCode renders content as a PNG of size x size pixels.
func QRCode(content string, size int) ([]byte, error) {
	return qrcode.Encode(content, qrcode.Medium, size)
}
