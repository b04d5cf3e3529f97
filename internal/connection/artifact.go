package connection

import qrcode "github.com/skip2/go-qrcode"

// artifactSize is the pixel width of the rendered pairing artifact.
const artifactSize = 256

// RenderArtifact encodes a raw pairing string as a PNG QR image. The raw
// string remains the pairing contract; rendering failures are non-fatal.
func RenderArtifact(code string) ([]byte, error) {
	return qrcode.Encode(code, qrcode.Medium, artifactSize)
}
