package handlers

import (
	"net/http"

	"github.com/vango-go/vai-clone/pkg/core"
	"github.com/vango-go/vai-clone/pkg/gateway/apierror"
	"github.com/vango-go/vai-clone/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, r, reqID, core.NewNotFoundError("not found"), 0)
}
