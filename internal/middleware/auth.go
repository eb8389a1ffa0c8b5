package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/devoter-xyz/devoter-api/internal/pkg/errors"
	"github.com/devoter-xyz/devoter-api/internal/pkg/response"
	"github.com/devoter-xyz/devoter-api/internal/replay"
	"github.com/devoter-xyz/devoter-api/internal/service"
	"github.com/devoter-xyz/devoter-api/internal/wallet"
)

// Wallet-signed header names.
const (
	HeaderWalletAddress = "X-Wallet-Address"
	HeaderMessage       = "X-Message"
	HeaderSignature     = "X-Signature"
)

const maxAuthBodyBytes = 1 << 20

var validate = validator.New()

// SignedRequest carries the three wallet-auth fields, from headers or body.
type SignedRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required"`
	Message       string `json:"message" validate:"required,max=1000"`
	Signature     string `json:"signature" validate:"required,len=132"`
}

func (s *SignedRequest) trim() {
	s.WalletAddress = strings.TrimSpace(s.WalletAddress)
	s.Message = strings.TrimSpace(s.Message)
	s.Signature = strings.TrimSpace(s.Signature)
}

// BearerAuth authenticates the Authorization header and stores the identity
// in the request context.
func BearerAuth(svc service.APIKeyService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := svc.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				response.Error(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WalletAuth verifies a wallet signature and consumes it in the replay guard.
// Credentials come from the X-Wallet-Address/X-Message/X-Signature headers
// when any of them is present, otherwise from the JSON body. The body is
// restored for the handler.
func WalletAuth(verifier *wallet.Verifier, guard *replay.Guard) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, fromHeaders, err := readSignedRequest(r)
			if err != nil {
				response.Error(w, r, err)
				return
			}

			addr, err := verifier.Verify(req.Message, req.Signature, req.WalletAddress)
			if err != nil {
				response.Error(w, r, mapVerifyError(err, fromHeaders))
				return
			}

			if err := guard.Check(r.Context(), addr.Hex(), req.Message); err != nil {
				response.Error(w, r, mapReplayError(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithWalletAddress(r.Context(), addr.Hex())))
		})
	}
}

func readSignedRequest(r *http.Request) (SignedRequest, bool, error) {
	req := SignedRequest{
		WalletAddress: r.Header.Get(HeaderWalletAddress),
		Message:       r.Header.Get(HeaderMessage),
		Signature:     r.Header.Get(HeaderSignature),
	}

	fromHeaders := req.WalletAddress != "" || req.Message != "" || req.Signature != ""
	if !fromHeaders {
		if err := decodeBody(r, &req); err != nil {
			return req, false, apierrors.ErrInvalidAuthInput
		}
	}
	req.trim()

	if err := validate.Struct(&req); err != nil {
		if fromHeaders && missingField(err) {
			return req, true, apierrors.ErrMissingAuthHeaders
		}
		return req, fromHeaders, validationError(err)
	}
	return req, fromHeaders, nil
}

func decodeBody(r *http.Request, dst *SignedRequest) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("empty body")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBodyBytes))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func missingField(err error) bool {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return false
	}
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return true
		}
	}
	return false
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apierrors.ErrInvalidAuthInput
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]

	var msg string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
	case "max":
		msg = field + " must be at most " + fe.Param() + " characters"
	case "len":
		msg = field + " must be exactly " + fe.Param() + " characters"
	default:
		msg = field + " is invalid"
	}
	return apierrors.NewValidationError(field, msg)
}

func mapVerifyError(err error, fromHeaders bool) error {
	reason := wallet.ReasonOf(err)
	switch {
	case reason == wallet.ReasonEmptyInput && fromHeaders:
		return apierrors.ErrMissingAuthHeaders
	case reason == wallet.ReasonEmptyInput:
		return apierrors.ErrInvalidAuthInput
	case reason == wallet.ReasonChecksumMismatch:
		return apierrors.ErrInvalidAddress.WithMessage("Wallet address is not EIP-55 checksummed")
	case wallet.IsAddressReason(reason):
		return apierrors.ErrInvalidAddress
	default:
		return apierrors.ErrInvalidSignature.WithDetails(map[string]string{"reason": string(reason)})
	}
}

func mapReplayError(err error) error {
	switch {
	case errors.Is(err, replay.ErrMalformedMessage):
		return apierrors.ErrInvalidAuthInput.WithMessage("Message must match 'Sign this message to <purpose>: [<timestamp>]'")
	case errors.Is(err, replay.ErrMessageExpired):
		return apierrors.ErrMessageExpired
	case errors.Is(err, replay.ErrMessageInFuture):
		return apierrors.ErrMessageInFuture
	case errors.Is(err, replay.ErrReplayDetected):
		return apierrors.ErrReplayDetected
	default:
		return apierrors.ErrInternal
	}
}
