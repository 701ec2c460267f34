/*
Copyright 2024 The Reviewpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/reviewpipe/reviewpipe"
	"github.com/reviewpipe/reviewpipe/api/middleware"
	"github.com/reviewpipe/reviewpipe/config"
	"github.com/reviewpipe/reviewpipe/model"
)

// Service is the part of the review pipeline the HTTP API exposes.
type Service interface {
	IngestWebhook(ctx context.Context, ev reviewpipe.InboundEvent) reviewpipe.IngestResult
	GetExecution(ctx context.Context, id string) (*model.PipelineExecution, error)
	GetExecutionDetail(ctx context.Context, id string) (*reviewpipe.ExecutionDetail, error)
	ListExecutionStages(ctx context.Context, id string, includeInternal bool) ([]model.StageExecutionLog, error)
	RelayOutbox(ctx context.Context) (int, error)
	DeadLetters(limit int) ([]reviewpipe.DeadLetter, error)
}

type Api struct {
	service Service
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/webhooks/:platform", a.ReceiveWebhook)

	router.GET("/executions/:id", a.GetExecution)
	router.GET("/executions/:id/stages", a.ListExecutionStages)

	router.POST("/outbox/relay", a.RelayOutbox)
	router.GET("/dead-letters", a.ListDeadLetters)

	return a.router
}

func NewAPI(service Service) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}

	r := gin.Default()
	serviceName := conf.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "reviewpipe"
	}
	r.Use(otelgin.Middleware(serviceName))
	r.Use(middleware.RateLimitMiddleware(conf))
	r.Use(middleware.NewAuthMiddleware().Authenticate())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{service: service, router: r}
}
