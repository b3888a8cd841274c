package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// DefaultRequestIDHeader header carrying the API request ID when none is configured
const DefaultRequestIDHeader = "OMRS-Request-ID"

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	Code   int    `json:"code"`
	Msg    string `json:"message,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	Success   bool         `json:"success"`
	RequestID string       `json:"request_id,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(strings.ToUpper(method)).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	// requestIDHeader header carrying the request ID
	requestIDHeader string
	// doNotLogHeaders headers which are never copied into the log metadata
	doNotLogHeaders map[string]bool
}

// newAPIRestHandler define a base handler from the HTTP config
func newAPIRestHandler(logTags log.Fields, httpCfg *common.HTTPConfig) APIRestHandler {
	header := DefaultRequestIDHeader
	skip := map[string]bool{}
	if httpCfg != nil {
		if httpCfg.Logging.RequestIDHeader != "" {
			header = httpCfg.Logging.RequestIDHeader
		}
		for _, name := range httpCfg.Logging.DoNotLogHeaders {
			skip[http.CanonicalHeaderKey(name)] = true
		}
	}
	return APIRestHandler{
		Component: common.Component{LogTags: logTags}, requestIDHeader: header, doNotLogHeaders: skip,
	}
}

// ReadRequestIDFromContext the request ID attached to the context, if any
func (h APIRestHandler) ReadRequestIDFromContext(ctxt context.Context) string {
	if ctxt == nil {
		return ""
	}
	if v, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return v.ID
	}
	return ""
}

// GetStdRESTSuccessMsg define a standard success message
func (h APIRestHandler) GetStdRESTSuccessMsg(ctxt context.Context) StandardResponse {
	return StandardResponse{Success: true, RequestID: h.ReadRequestIDFromContext(ctxt)}
}

// GetStdRESTErrorMsg define a standard error message
func (h APIRestHandler) GetStdRESTErrorMsg(
	ctxt context.Context, code int, message string, detail string,
) StandardResponse {
	return StandardResponse{
		Success:   false,
		RequestID: h.ReadRequestIDFromContext(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: message, Detail: detail},
	}
}

// WriteRESTResponse write a REST response
func (h APIRestHandler) WriteRESTResponse(
	w http.ResponseWriter, respCode int, resp interface{}, headers map[string]string,
) error {
	w.Header().Set("content-type", "application/json")
	if std, ok := resp.(StandardResponse); ok && std.RequestID != "" {
		w.Header().Set(h.requestIDHeader, std.RequestID)
	}
	for name, value := range headers {
		w.Header().Set(name, value)
	}
	t, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.WriteHeader(respCode)
	_, err = w.Write(t)
	return err
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", strings.TrimSpace(string(p)))
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) AttachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		rw.Header().Set(h.requestIDHeader, reqID)

		localLogTags := h.GetLogTagsForContext(ctx)
		for name, values := range r.Header {
			if h.doNotLogHeaders[http.CanonicalHeaderKey(name)] {
				continue
			}
			localLogTags[strings.ToLower(name)] = strings.Join(values, ",")
		}
		log.WithFields(localLogTags).Debug("Request start")
		next(rw, r.WithContext(ctx))
		log.WithFields(h.GetLogTagsForContext(ctx)).Debug("Request complete")
	}
}
