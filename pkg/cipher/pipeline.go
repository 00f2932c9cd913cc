package cipher

import "context"

// Pipeline is the per-connection encryption pipeline: it
// resolves a ScopedCipher handle from the Cache per call rather than
// holding one long-lived handle, so a connection blocked on a
// long-running statement never blocks another connection's calls (the
// cache lookup itself is non-blocking once warm; only a cold miss
// suspends, and only the caller(s) racing to initialize the same key).
type Pipeline struct {
	cache *Cache
}

func NewPipeline(cache *Cache) *Pipeline {
	return &Pipeline{cache: cache}
}

// Encrypt is the `encrypt(keyset, plaintexts, columns) -> ciphertexts`
// half of the pipeline: positional, batched, nil entries pass through.
func (p *Pipeline) Encrypt(ctx context.Context, keysetID string, plaintexts []*Plaintext, columns []*Column) ([]*Ciphertext, error) {
	if len(plaintexts) != len(columns) {
		return nil, ErrUnsupportedParameterType
	}
	sc, err := p.cache.Get(ctx, keysetID)
	if err != nil {
		return nil, err
	}
	return sc.EncryptBatch(ctx, plaintexts, columns)
}

// Decrypt is the `decrypt(keyset, ciphertexts) -> plaintexts` half.
func (p *Pipeline) Decrypt(ctx context.Context, keysetID string, ciphertexts []*Ciphertext) ([]*Plaintext, error) {
	sc, err := p.cache.Get(ctx, keysetID)
	if err != nil {
		return nil, err
	}
	return sc.DecryptBatch(ctx, ciphertexts)
}
