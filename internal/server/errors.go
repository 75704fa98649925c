package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpVault/internal/errs"
)

const errorDomain = "perpvault"

// codeFor maps an error kind to the gRPC code the gateway turns into an
// HTTP status.
func codeFor(err error) codes.Code {
	if errors.Is(err, errs.ErrPositionNotFound) || errors.Is(err, errs.ErrInvalidProduct) {
		return codes.NotFound
	}
	switch errs.KindOf(err) {
	case errs.KindConfiguration, errs.KindValidation:
		return codes.InvalidArgument
	case errs.KindAuthorization:
		return codes.PermissionDenied
	case errs.KindOracle:
		return codes.Unavailable
	case errs.KindInsufficientLiquidity:
		return codes.Aborted
	case errs.KindState:
		return codes.FailedPrecondition
	case errs.KindInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// toStatus converts err to a gRPC status. Errors that already carry a status
// pass through; core errors gain an ErrorInfo detail naming their kind.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	st := status.New(codeFor(err), err.Error())
	kind := errs.KindOf(err)
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: strings.ToUpper(kind.String()),
		Domain: errorDomain,
	})
	if derr != nil {
		return st
	}
	return detailed
}

// writeError renders err through the gateway's error handler, which writes
// the status as JSON with runtime.HTTPStatusFromCode.
func writeError(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, err error) {
	_, outbound := runtime.MarshalerForRequest(mux, r)
	runtime.HTTPError(r.Context(), mux, outbound, w, r, toStatus(err).Err())
}

func httpStatus(err error) int {
	return runtime.HTTPStatusFromCode(toStatus(err).Code())
}
