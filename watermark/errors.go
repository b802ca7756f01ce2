package watermark

import (
	"errors"
	"fmt"

	"tz4.dev/signer/bls"
)

// NotInitializedError reports a signing attempt against a key that was
// never provisioned. Initialization is out-of-band; without it no
// signature is produced.
type NotInitializedError struct {
	Chain ChainID
	PKH   bls.PublicKeyHash
	Kind  OpKind
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("watermark: NotInitialized chain=%s pkh=%s kind=%s", e.Chain, e.PKH, e.Kind)
}

// ChainMismatchError reports a payload whose embedded chain id differs
// from the chain the signer serves.
type ChainMismatchError struct {
	Expected [4]byte
	Got      [4]byte
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("watermark: ChainMismatch expected=%x got=%x", e.Expected, e.Got)
}

// LevelTooLowError reports a request strictly below the current mark.
type LevelTooLowError struct {
	CurrentLevel   uint32
	CurrentRound   uint32
	RequestedLevel uint32
	RequestedRound uint32
}

func (e *LevelTooLowError) Error() string {
	return fmt.Sprintf("watermark: LevelTooLow current=%d requested=%d", e.CurrentLevel, e.RequestedLevel)
}

// SameLevelDifferentPayloadError reports a request at the current mark
// whose payload differs from the one already reserved or signed there.
type SameLevelDifferentPayloadError struct {
	Level uint32
	Round uint32
}

func (e *SameLevelDifferentPayloadError) Error() string {
	return fmt.Sprintf("watermark: SameLevelDifferentPayload level=%d round=%d", e.Level, e.Round)
}

// OversizedFileError reports a ledger file over MaxFileSize. Its keys
// behave as uninitialized until the operator repairs the file.
type OversizedFileError struct {
	Path string
	Size int64
}

func (e *OversizedFileError) Error() string {
	return fmt.Sprintf("watermark: OversizedFile %s (%d bytes > %d)", e.Path, e.Size, MaxFileSize)
}

// ParseError reports an unreadable ledger file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("watermark: parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// isRejectedFile reports load failures that demote keys to uninitialized
// rather than failing the operation: oversized and unparseable files.
func isRejectedFile(err error) bool {
	var oversized *OversizedFileError
	var parse *ParseError
	return errors.As(err, &oversized) || errors.As(err, &parse)
}
