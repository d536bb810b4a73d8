package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	key := ObjectKey(42, "../receipt.PDF")

	assert.True(t, strings.HasPrefix(key, "proofs/42/"))
	assert.True(t, strings.HasSuffix(key, ".pdf"))
	assert.NotEqual(t, key, ObjectKey(42, "../receipt.PDF"))
}

func TestObjectURL(t *testing.T) {
	s := &MinioStore{bucket: "payment-proofs", endpoint: "minio:9000"}
	assert.Equal(t, "http://minio:9000/payment-proofs/proofs/1/a.png", s.objectURL("proofs/1/a.png"))

	s.useSSL = true
	assert.Equal(t, "https://minio:9000/payment-proofs/proofs/1/a.png", s.objectURL("proofs/1/a.png"))
}
