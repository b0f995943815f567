// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/router"
	"github.com/alwitt/httpush/storage"
	"github.com/alwitt/httpush/token"
	"github.com/alwitt/httpush/vapid"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// goneCacheControl tells senders not to retry an unsubscribed endpoint for a day
const goneCacheControl = "max-age=86400"

var topicPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// defineSendValidator define the validator for sendHeaders, including the "b64url" tag
// for unpadded base64url values
func defineSendValidator() (*validator.Validate, error) {
	validate := validator.New()
	if err := validate.RegisterValidation("b64url", func(fl validator.FieldLevel) bool {
		return topicPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}
	return validate, nil
}

// sendHeaders the request headers of a send
type sendHeaders struct {
	TTL             string `validate:"required"`
	Topic           string `validate:"omitempty,max=32,b64url"`
	ContentEncoding string `validate:"omitempty,oneof=aes128gcm aesgcm aesgcm128"`
	Encryption      string
	CryptoKey       string
	EncryptionKey   string
	Authorization   string
}

// APIRestEndpointHandler REST handler for the push endpoints application servers send to
type APIRestEndpointHandler struct {
	goutils.RestAPIHandler
	router       router.Router
	endpoints    token.EndpointFormatter
	store        storage.Store
	validate     *validator.Validate
	maxDataBytes int
	maxTTL       int64
}

// GetAPIRestEndpointHandler define APIRestEndpointHandler
func GetAPIRestEndpointHandler(
	notificationRouter router.Router,
	endpoints token.EndpointFormatter,
	store storage.Store,
	config *common.EndpointServerConfig,
) (APIRestEndpointHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "endpoint",
	}
	if config.MaxDataBytes < 1 || config.MaxTTL < 1 {
		return APIRestEndpointHandler{}, fmt.Errorf("endpoint limits must be positive")
	}
	validate, err := defineSendValidator()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define send header validator")
		return APIRestEndpointHandler{}, err
	}
	return APIRestEndpointHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, &config.HTTPSetting),
		router:         notificationRouter,
		endpoints:      endpoints,
		store:          store,
		validate:       validate,
		maxDataBytes:   config.MaxDataBytes,
		maxTTL:         config.MaxTTL,
	}, nil
}

// parseSendRequest convert the send headers and body into a route request
func (h APIRestEndpointHandler) parseSendRequest(
	r *http.Request, endpointToken string,
) (router.RouteRequest, error) {
	params := sendHeaders{
		TTL:             strings.TrimSpace(r.Header.Get("TTL")),
		Topic:           r.Header.Get("Topic"),
		ContentEncoding: strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))),
		Encryption:      r.Header.Get("Encryption"),
		CryptoKey:       r.Header.Get("Crypto-Key"),
		EncryptionKey:   r.Header.Get("Encryption-Key"),
		Authorization:   r.Header.Get("Authorization"),
	}
	if err := h.validate.Struct(&params); err != nil {
		return router.RouteRequest{}, fmt.Errorf("%s: %w", err.Error(), common.ErrMalformedRequest)
	}
	ttl, err := strconv.ParseInt(params.TTL, 10, 64)
	if err != nil || ttl < 0 {
		return router.RouteRequest{}, fmt.Errorf(
			"TTL %q is not a non-negative integer: %w", params.TTL, common.ErrMalformedRequest,
		)
	}
	if ttl > h.maxTTL {
		ttl = h.maxTTL
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.maxDataBytes)+1))
	if err != nil {
		return router.RouteRequest{}, fmt.Errorf("unreadable body: %w", common.ErrMalformedRequest)
	}
	if len(body) > h.maxDataBytes {
		return router.RouteRequest{}, fmt.Errorf(
			"body exceeds %d bytes: %w", h.maxDataBytes, common.ErrPayloadTooLarge,
		)
	}

	req := router.RouteRequest{Token: endpointToken, TTL: ttl, Topic: params.Topic}
	if len(body) > 0 {
		headers, err := cryptoHeaders(params)
		if err != nil {
			return router.RouteRequest{}, err
		}
		req.Data = body
		req.Headers = headers
	}

	cred, err := vapid.ParseHeaders(params.Authorization, params.CryptoKey)
	if err != nil {
		return router.RouteRequest{}, err
	}
	req.Credential = cred
	return req, nil
}

// cryptoHeaders check and collect the headers the user agent needs to decrypt the payload
func cryptoHeaders(params sendHeaders) (common.NotificationHeaders, error) {
	headers := common.NotificationHeaders{"encoding": params.ContentEncoding}
	switch params.ContentEncoding {
	case "":
		return nil, fmt.Errorf("payload without Content-Encoding: %w", common.ErrMalformedRequest)
	case "aes128gcm":
		return headers, nil
	case "aesgcm":
		if !hasParam(params.CryptoKey, "dh") {
			return nil, fmt.Errorf("aesgcm needs Crypto-Key dh: %w", common.ErrMalformedRequest)
		}
		headers["crypto_key"] = params.CryptoKey
	case "aesgcm128":
		if !hasParam(params.EncryptionKey, "dh") {
			return nil, fmt.Errorf("aesgcm128 needs Encryption-Key dh: %w", common.ErrMalformedRequest)
		}
		headers["encryption_key"] = params.EncryptionKey
	}
	if !hasParam(params.Encryption, "salt") {
		return nil, fmt.Errorf("%s needs Encryption salt: %w", params.ContentEncoding, common.ErrMalformedRequest)
	}
	headers["encryption"] = params.Encryption
	return headers, nil
}

// hasParam whether a "name=value" entry is present in a ",;" separated header
func hasParam(header, name string) bool {
	for _, entry := range strings.FieldsFunc(header, func(r rune) bool { return r == ',' || r == ';' }) {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if ok && strings.EqualFold(key, name) && value != "" {
			return true
		}
	}
	return false
}

// =======================================================================
// Send

// -----------------------------------------------------------------------

// Send godoc
// @Summary Send a push notification
// @Description Deliver an encrypted notification to the user agent behind the push endpoint,
// or store it until the user agent connects
// @tags Endpoint
// @Accept octet-stream
// @Produce json
// @Param Httpush-Request-ID header string false "User provided request ID to match against logs"
// @Param TTL header int true "Seconds the notification may be stored"
// @Param Topic header string false "Replaces a pending notification with the same topic"
// @Param Content-Encoding header string false "aes128gcm, aesgcm or aesgcm128"
// @Param apiVersion path string true "Push API version"
// @Param token path string true "Endpoint token"
// @Param message body string false "Encrypted payload"
// @Success 201 {object} goutils.RestAPIBaseResponse "accepted"
// @Success 202 {object} goutils.RestAPIBaseResponse "ttl=0 with no connected user agent"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 410 {object} goutils.RestAPIBaseResponse "error"
// @Failure 413 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Header 201 {string} Location "URL to cancel the notification"
// @Header 201 {string} TTL "Accepted TTL"
// @Router /wpush/{apiVersion}/{token} [post]
func (h APIRestEndpointHandler) Send(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	var respHeaders map[string]string
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, respHeaders); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	endpointToken, ok := vars["token"]
	if !ok || endpointToken == "" {
		msg := "No endpoint token provided"
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
		return
	}

	req, err := h.parseSendRequest(r, endpointToken)
	if err == nil {
		var result router.RouteResult
		result, err = h.router.Route(r.Context(), req)
		if err == nil {
			log.WithFields(localLogTags).Debugf("Accepted %s (%s)", result.Message, result.Outcome)
			respCode = http.StatusCreated
			respBody = h.GetStdRESTSuccessMsg(r.Context())
			respHeaders = map[string]string{
				"Location": h.endpoints.CancelURL(endpointToken),
				"TTL":      strconv.FormatInt(req.TTL, 10),
			}
			return
		}
	}

	var msg string
	switch {
	case errors.Is(err, common.ErrMalformedRequest):
		respCode = http.StatusBadRequest
		msg = "Malformed send request"
	case errors.Is(err, common.ErrPayloadTooLarge):
		respCode = http.StatusRequestEntityTooLarge
		msg = "Payload too large"
	case errors.Is(err, common.ErrTokenInvalid):
		respCode = http.StatusNotFound
		msg = "Invalid endpoint"
	case errors.Is(err, common.ErrUnauthorized):
		respCode = http.StatusUnauthorized
		msg = "VAPID credential rejected"
	case errors.Is(err, common.ErrNotFound):
		respCode = http.StatusGone
		msg = "Subscription no longer exists"
		respHeaders = map[string]string{"Cache-Control": goneCacheControl}
	case errors.Is(err, common.ErrNotConnected):
		// ttl=0 for an absent user agent is accepted and dropped
		respCode = http.StatusAccepted
		respBody = h.GetStdRESTSuccessMsg(r.Context())
		respHeaders = map[string]string{"TTL": "0"}
		return
	default:
		respCode = http.StatusServiceUnavailable
		msg = "Unable to process notification"
		log.WithError(err).WithFields(localLogTags).Error(msg)
	}
	respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
}

// SendHandler Wrapper around Send
func (h APIRestEndpointHandler) SendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Send(w, r)
	}
}

// =======================================================================
// Cancel

// -----------------------------------------------------------------------

// Cancel godoc
// @Summary Cancel a pending notification
// @Description Remove the newest pending notification of the push endpoint
// @tags Endpoint
// @Produce json
// @Param Httpush-Request-ID header string false "User provided request ID to match against logs"
// @Param token path string true "Endpoint token"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /m/{token} [delete]
func (h APIRestEndpointHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	endpointToken := mux.Vars(r)["token"]
	removed, err := h.router.Cancel(r.Context(), endpointToken)
	if err != nil {
		if errors.Is(err, common.ErrTokenInvalid) {
			msg := "Invalid endpoint"
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, msg)
			return
		}
		msg := "Unable to cancel notification"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	log.WithFields(localLogTags).Debugf("Cancel removed=%v", removed)
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// CancelHandler Wrapper around Cancel
func (h APIRestEndpointHandler) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Cancel(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For endpoint REST API liveness check
// @Description Will return success to indicate endpoint REST API module is live
// @tags Endpoint
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestEndpointHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestEndpointHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For endpoint REST API readiness check
// @Description Will return success if the message store is reachable
// @tags Endpoint
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestEndpointHandler) Ready(w http.ResponseWriter, r *http.Request) {
	writeReadiness(h.RestAPIHandler, h.store, w, r)
}

// ReadyHandler Wrapper around Ready
func (h APIRestEndpointHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// writeReadiness report whether the store answers
func writeReadiness(
	h goutils.RestAPIHandler, store storage.Store, w http.ResponseWriter, r *http.Request,
) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := store.Ping(r.Context()); err == nil {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	}
}

// RegisterEndpointAPIs attach the endpoint server routes under pathPrefix
func RegisterEndpointAPIs(
	parentRouter *mux.Router, pathPrefix string, h APIRestEndpointHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)
	_ = RegisterPathPrefix(mainRouter, "/wpush/{apiVersion}/{token}", MethodHandlers{
		"post": h.SendHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/m/{token}", MethodHandlers{
		"delete": h.CancelHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	return mainRouter
}
