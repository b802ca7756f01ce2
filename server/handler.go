// Package server exposes the signer over TCP: a synchronous accept loop,
// length-prefixed framing per connection, and a request handler that
// composes the key registry, the watermark ledger and the policy gates.
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tz4.dev/signer/activity"
	"tz4.dev/signer/bls"
	"tz4.dev/signer/keyring"
	"tz4.dev/signer/magicbytes"
	"tz4.dev/signer/protocol"
	"tz4.dev/signer/watermark"
)

// RequestHandler dispatches decoded requests. Construction wires the
// collaborators; the observer hooks are optional and best-effort.
type RequestHandler struct {
	keys    *keyring.Manager
	chain   watermark.ChainID
	allowed []byte

	allowListKnownKeys   bool
	allowProvePossession bool

	// wmMu serializes the reserve -> sign -> commit critical section per
	// handler, which covers all keys; the ledger's own lock covers its
	// internal state. Holding one lock across the pair is what makes a
	// concurrent request for the same (chain, key, kind) observe either
	// nothing or the committed signature, never the half-open state.
	wmMu sync.Mutex
	wm   *watermark.HighWatermark

	tracker        *activity.Tracker
	signingNotify  func()
	watermarkError func(pkh bls.PublicKeyHash, chain watermark.ChainID, err error)

	log zerolog.Logger
}

// NewRequestHandler builds a handler for one chain. wm may be nil to run
// without watermark protection (development only); allowed may be nil to
// accept every payload.
func NewRequestHandler(keys *keyring.Manager, chain watermark.ChainID, wm *watermark.HighWatermark,
	allowed []byte, allowListKnownKeys, allowProvePossession bool, log zerolog.Logger) *RequestHandler {
	return &RequestHandler{
		keys:                 keys,
		chain:                chain,
		wm:                   wm,
		allowed:              allowed,
		allowListKnownKeys:   allowListKnownKeys,
		allowProvePossession: allowProvePossession,
		log:                  log,
	}
}

// WithSigningActivity installs the shared activity tracker.
func (h *RequestHandler) WithSigningActivity(t *activity.Tracker) *RequestHandler {
	h.tracker = t
	return h
}

// WithSigningNotify installs a hook invoked after each successful
// signature.
func (h *RequestHandler) WithSigningNotify(f func()) *RequestHandler {
	h.signingNotify = f
	return h
}

// WithWatermarkErrorCallback installs a hook invoked on watermark
// rejections, for UI surfacing.
func (h *RequestHandler) WithWatermarkErrorCallback(f func(pkh bls.PublicKeyHash, chain watermark.ChainID, err error)) *RequestHandler {
	h.watermarkError = f
	return h
}

// WithLargeGapCallback forwards to the ledger's advisory gap hook.
func (h *RequestHandler) WithLargeGapCallback(f func(chain watermark.ChainID, pkh bls.PublicKeyHash, currentLevel, newLevel uint32), blocksPerCycle uint32) *RequestHandler {
	if h.wm != nil {
		h.wm.WithLargeGapCallback(f, blocksPerCycle)
	}
	return h
}

// errDisabled marks requests switched off by policy.
var errDisabled = errors.New("request type disabled")

// Handle answers one request. Every failure (policy, watermark, crypto,
// unknown key) comes back as an ErrorResponse; malformed bodies never
// reach Handle, the connection loop rejects them at decode time.
func (h *RequestHandler) Handle(req protocol.Request) protocol.Response {
	switch r := req.(type) {
	case protocol.SignRequest:
		return h.handleSign(r)
	case protocol.PublicKeyRequest:
		signer, err := h.keys.Signer(r.PKH)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.PublicKeyResponse{PublicKey: signer.PublicKey()}
	case protocol.KnownKeysRequest:
		if !h.allowListKnownKeys {
			return errorResponse(fmt.Errorf("known keys: %w", errDisabled))
		}
		return protocol.KnownKeysResponse{Hashes: h.keys.KnownHashes()}
	case protocol.AuthorizedKeysRequest:
		// Request authentication is not implemented; no keys authorize.
		return protocol.KnownKeysResponse{}
	case protocol.SupportsDeterministicNoncesRequest:
		signer, err := h.keys.Signer(r.PKH)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.BoolResponse{Value: signer.SupportsDeterministicNonces()}
	case protocol.ProvePossessionRequest:
		if !h.allowProvePossession {
			return errorResponse(fmt.Errorf("prove possession: %w", errDisabled))
		}
		signer, err := h.keys.Signer(r.PKH)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.SignatureResponse{Signature: signer.ProvePossession(r.OverridePK)}
	case protocol.DeterministicNonceRequest:
		signer, err := h.keys.Signer(r.PKH)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.NonceResponse{Nonce: signer.DeterministicNonce(r.Data)}
	case protocol.DeterministicNonceHashRequest:
		signer, err := h.keys.Signer(r.PKH)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.NonceResponse{Nonce: signer.DeterministicNonceHash(r.Data)}
	default:
		return errorResponse(fmt.Errorf("unsupported request %T", req))
	}
}

func (h *RequestHandler) handleSign(r protocol.SignRequest) protocol.Response {
	start := time.Now()

	if err := magicbytes.Check(r.Data, h.allowed); err != nil {
		return errorResponse(err)
	}
	signer, err := h.keys.Signer(r.PKH)
	if err != nil {
		return errorResponse(err)
	}

	if h.wm != nil {
		h.wmMu.Lock()
		defer h.wmMu.Unlock()

		if err := h.wm.CheckAndUpdate(h.chain, r.PKH, r.Data); err != nil {
			if h.watermarkError != nil {
				h.watermarkError(r.PKH, h.chain, err)
			}
			return errorResponse(err)
		}
	}

	sig, err := signer.Sign(r.Data, nil, r.Version)
	if err != nil {
		return errorResponse(err)
	}

	if h.wm != nil {
		if err := h.wm.UpdateSignature(h.chain, r.PKH, r.Data, sig); err != nil {
			h.log.Error().Err(err).Msg("signature commit failed")
			return errorResponse(err)
		}
	}

	h.recordSigning(r, time.Since(start))
	if h.signingNotify != nil {
		h.signingNotify()
	}
	return protocol.SignatureResponse{Signature: sig}
}

func (h *RequestHandler) recordSigning(r protocol.SignRequest, took time.Duration) {
	if h.tracker == nil {
		return
	}
	kind, err := watermark.OpKindForData(r.Data)
	if err != nil {
		return
	}
	level, _, err := magicbytes.LevelAndRound(r.Data)
	if err != nil {
		return
	}
	cid, err := magicbytes.ChainIDForTenderbake(r.Data)
	if err != nil {
		return
	}
	role := activity.RoleConsensus
	if alias, ok := h.keys.Alias(r.PKH); ok && alias == "companion" {
		role = activity.RoleCompanion
	}
	h.tracker.Record(activity.Event{
		Role:      role,
		Kind:      kind,
		Level:     level,
		Size:      len(r.Data),
		Duration:  took,
		Timestamp: time.Now(),
	}, cid)
}

// errorResponse maps an internal error to the short textual tag sent to
// the baker. Secret material never reaches this path.
func errorResponse(err error) protocol.ErrorResponse {
	var (
		notAllowed *magicbytes.NotAllowedError
		notFound   *keyring.NotFoundError
		notInit    *watermark.NotInitializedError
		mismatch   *watermark.ChainMismatchError
		tooLow     *watermark.LevelTooLowError
		divergent  *watermark.SameLevelDifferentPayloadError
	)
	switch {
	case errors.As(err, &notAllowed):
		if notAllowed.Empty {
			return protocol.ErrorResponse{Message: "EmptyPayload"}
		}
		return protocol.ErrorResponse{Message: fmt.Sprintf("NotAllowed(0x%02x)", notAllowed.Byte)}
	case errors.As(err, &notFound):
		return protocol.ErrorResponse{Message: "UnknownKey " + notFound.PKH.B58Check()}
	case errors.As(err, &notInit):
		return protocol.ErrorResponse{Message: "NotInitialized"}
	case errors.As(err, &mismatch):
		return protocol.ErrorResponse{Message: "ChainMismatch"}
	case errors.As(err, &tooLow):
		return protocol.ErrorResponse{Message: fmt.Sprintf("LevelTooLow current=%d requested=%d", tooLow.CurrentLevel, tooLow.RequestedLevel)}
	case errors.As(err, &divergent):
		return protocol.ErrorResponse{Message: "SameLevelDifferentPayload"}
	case errors.Is(err, keyring.ErrVersionUnsupported):
		return protocol.ErrorResponse{Message: "VersionUnsupported"}
	case errors.Is(err, errDisabled):
		return protocol.ErrorResponse{Message: "RequestDisabled"}
	default:
		return protocol.ErrorResponse{Message: err.Error()}
	}
}
