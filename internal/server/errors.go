package server

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/governance"
	"github.com/ssd-technologies/agora/internal/identity"
	"github.com/ssd-technologies/agora/internal/knowledge"
	"github.com/ssd-technologies/agora/internal/vocab"
)

// errBadRequest marks request errors found by the handlers themselves.
var errBadRequest = errors.New("bad request")

// statusFor maps an engine error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, knowledge.ErrUnknownGlyph),
		errors.Is(err, knowledge.ErrInvalidMessage),
		errors.Is(err, knowledge.ErrEmptyQuery),
		errors.Is(err, knowledge.ErrInvalidQuery),
		errors.Is(err, governance.ErrUnknownComponent),
		errors.Is(err, governance.ErrInvalidDomain),
		errors.Is(err, governance.ErrInvalidProposal),
		errors.Is(err, governance.ErrInvalidStatus),
		errors.Is(err, identity.ErrInvalidTier):
		return http.StatusBadRequest
	case errors.Is(err, knowledge.ErrMessageNotFound),
		errors.Is(err, governance.ErrProposalNotFound),
		errors.Is(err, vocab.ErrUnknownItem):
		return http.StatusNotFound
	case errors.Is(err, governance.ErrAlreadyVotedOpposite),
		errors.Is(err, governance.ErrNotProposer),
		errors.Is(err, governance.ErrProposalNotPending):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their detail is not sent to the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}
