package stream

import "strings"

// BreakMode selects where block replies may be flushed.
type BreakMode string

const (
	// BreakTextEnd flushes blocks at text_end boundaries and at message
	// completion.
	BreakTextEnd BreakMode = "text_end"

	// BreakMessageEnd holds all text until the message completes.
	BreakMessageEnd BreakMode = "message_end"
)

// ChunkerConfig tunes block-reply chunking.
type ChunkerConfig struct {
	// MinChars is the minimum block size; smaller buffers coalesce with the
	// next piece instead of flushing.
	MinChars int `yaml:"min_chars"`

	// MaxChars force-splits oversized buffers at the last line break before
	// the limit. Zero disables splitting.
	MaxChars int `yaml:"max_chars"`

	// Mode selects the break mode (default BreakTextEnd).
	Mode BreakMode `yaml:"mode"`
}

// DefaultChunkerConfig returns the block chunking defaults.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MinChars: 200,
		MaxChars: 4000,
		Mode:     BreakTextEnd,
	}
}

// blockChunker accumulates visible text and emits independent block replies
// at natural breakpoints.
type blockChunker struct {
	cfg ChunkerConfig
	buf strings.Builder
}

func newBlockChunker(cfg ChunkerConfig) *blockChunker {
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultChunkerConfig().MinChars
	}
	if cfg.Mode == "" {
		cfg.Mode = BreakTextEnd
	}
	return &blockChunker{cfg: cfg}
}

// Add appends visible text to the pending block buffer and returns any blocks
// forced out by the max-size limit.
func (c *blockChunker) Add(text string) []string {
	c.buf.WriteString(text)
	if c.cfg.MaxChars <= 0 || c.buf.Len() <= c.cfg.MaxChars {
		return nil
	}

	var out []string
	s := c.buf.String()
	for len(s) > c.cfg.MaxChars {
		cut := strings.LastIndex(s[:c.cfg.MaxChars], "\n")
		if cut <= 0 {
			cut = c.cfg.MaxChars
		}
		block := strings.TrimSpace(s[:cut])
		if block != "" {
			out = append(out, block)
		}
		s = s[cut:]
	}
	c.buf.Reset()
	c.buf.WriteString(s)
	return out
}

// Break flushes the buffer at a natural breakpoint (text_end). Buffers below
// MinChars are held for coalescing with the next piece.
func (c *blockChunker) Break() []string {
	if c.cfg.Mode != BreakTextEnd {
		return nil
	}
	if c.buf.Len() < c.cfg.MinChars {
		return nil
	}
	return c.take()
}

// Final flushes whatever remains at message completion.
func (c *blockChunker) Final() []string {
	return c.take()
}

// Reset discards pending text, used when a compaction retry aborts the
// current attempt.
func (c *blockChunker) Reset() {
	c.buf.Reset()
}

func (c *blockChunker) take() []string {
	block := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	if block == "" {
		return nil
	}
	return []string{block}
}
