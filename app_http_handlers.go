package main

import (
	"net/http"

	"perplexity-relay/internal/constants"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const requestIDKey = "request_id"

// pageData is the view model for main.html
type pageData struct {
	Title            string
	DropdownIncluded bool
	Models           []string
}

// chatModels are offered in the model dropdown. The relay does not check
// the model, the list only feeds the page.
var chatModels = []string{
	"sonar",
	"sonar-pro",
	"sonar-reasoning",
	"sonar-reasoning-pro",
}

// mainPageHandler handles the GET / and GET /main endpoints
func mainPageHandler(c *gin.Context) {
	c.HTML(http.StatusOK, "main.html", pageData{
		Title:            "Chat",
		DropdownIncluded: true,
		Models:           chatModels,
	})
}

// requestIDMiddleware tags every request with an ID, reusing one supplied by
// the client or a fronting proxy.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(constants.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(constants.RequestIDHeader, id)
		c.Next()
	}
}

// requestLogger returns an entry on base carrying the request ID.
func requestLogger(base *logrus.Logger, c *gin.Context) *logrus.Entry {
	id := c.GetString(requestIDKey)
	if id == "" {
		id = uuid.New().String()
		c.Set(requestIDKey, id)
	}
	return base.WithField(requestIDKey, id)
}
