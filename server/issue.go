package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/crystalid/crystalid-ca/api"
	caerrors "github.com/crystalid/crystalid-ca/errors"
)

// issueHandler processes a certificate issuance request
func issueHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var issueReq api.IssueRequest
	err := readRequestBody(req, &issueReq)
	if err != nil {
		return nil, err
	}
	return s.Signer.Issue(&issueReq)
}

// revokeHandler processes a certificate revocation request
func revokeHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var revokeReq api.RevokeRequest
	err := readRequestBody(req, &revokeReq)
	if err != nil {
		return nil, err
	}
	return s.Signer.Revoke(&revokeReq)
}

// readRequestBody reads and unmarshals the JSON request body
func readRequestBody(req *http.Request, body interface{}) error {
	buf, err := io.ReadAll(req.Body)
	if err != nil {
		return caerrors.NewHTTPErr(400, caerrors.ErrReadingReqBody, "Failed to read request body: %s", err)
	}
	if len(buf) == 0 {
		return caerrors.NewHTTPErr(400, caerrors.ErrEmptyReqBody, "Empty request body")
	}
	err = json.Unmarshal(buf, body)
	if err != nil {
		return caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid request body: %s", err)
	}
	return nil
}
