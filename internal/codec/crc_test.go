package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRCITUCheckValue(t *testing.T) {
	// standard CRC-16/X.25 check value
	assert.Equal(t, uint16(0x906E), crcITU([]byte("123456789")))
}

func TestCRCITUEmpty(t *testing.T) {
	assert.Equal(t, uint16(0x0000), crcITU(nil))
}
