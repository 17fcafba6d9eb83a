package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/i474232898/farm-advisory/internal/cache"
	"github.com/i474232898/farm-advisory/internal/ingest"
	"github.com/i474232898/farm-advisory/internal/risk"
	"github.com/i474232898/farm-advisory/internal/scheduler"
)

var validate = validator.New()

// JobTrigger starts a registered background job outside its schedule.
type JobTrigger interface {
	RunNow(name string) error
}

// VillageRefresher ingests one village on demand.
type VillageRefresher interface {
	RefreshVillage(ctx context.Context, villageID string) ([]ingest.Run, error)
}

// Deps are the collaborators of the HTTP API. Villages, Refresher, Health
// and Metrics are optional; their routes are not registered when nil.
type Deps struct {
	Readings  ingest.Reader
	Cache     cache.Store
	CacheTTL  time.Duration
	Jobs      JobTrigger
	Villages  ingest.Registry
	Refresher VillageRefresher
	Health    func(ctx context.Context) error
	Metrics   http.Handler
	Logger    *slog.Logger
}

// ErrorHandler renders every error as a JSON body.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = cache.DefaultTTL
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		if d.Health != nil {
			if err := d.Health(c.UserContext()); err != nil {
				d.Logger.Warn("health check failed", "error", err)
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
			}
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "farm-advisory",
		})
	})
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics))
	}

	v1 := app.Group("/api/v1")

	if d.Villages != nil {
		v1.Get("/villages", func(c *fiber.Ctx) error {
			list, err := d.Villages.Villages(c.UserContext())
			if err != nil {
				d.Logger.Error("list villages failed", "error", err)
				return fiber.NewError(fiber.StatusInternalServerError, "failed to list villages")
			}
			if list == nil {
				list = []ingest.Village{}
			}
			return c.JSON(fiber.Map{
				"count":    len(list),
				"villages": list,
			})
		})
	}

	v1.Get("/analytics/summary", func(c *fiber.Ctx) error {
		sum, err := d.Readings.Summary(c.UserContext())
		if err != nil {
			d.Logger.Error("summary failed", "error", err)
			return fiber.NewError(fiber.StatusInternalServerError, "failed to compute summary")
		}
		return c.JSON(sum)
	})

	villages := v1.Group("/villages/:id")

	villages.Get("/weather/latest", func(c *fiber.Ctx) error {
		id, err := villageID(c)
		if err != nil {
			return err
		}
		reading, hit, err := cache.GetOrLoad(c.UserContext(), d.Cache, cache.WeatherLatestKey(id), d.CacheTTL,
			func(ctx context.Context) (ingest.StoredReading, error) {
				return d.Readings.LatestWeather(ctx, id)
			})
		if err != nil {
			return d.readError(err, "no weather data for village", "failed to fetch weather data")
		}
		setCacheHeader(c, hit)
		return c.JSON(reading)
	})

	villages.Get("/weather/history", func(c *fiber.Ctx) error {
		id, err := villageID(c)
		if err != nil {
			return err
		}
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		readings, err := d.Readings.WeatherRange(c.UserContext(), id, req.From, req.To)
		if err != nil {
			return d.readError(err, "no weather history for village", "failed to fetch weather history")
		}
		if readings == nil {
			readings = []ingest.StoredReading{}
		}
		return c.JSON(fiber.Map{
			"villageId": id,
			"from":      req.From,
			"to":        req.To,
			"readings":  readings,
		})
	})

	villages.Get("/market/latest", func(c *fiber.Ctx) error {
		id, err := villageID(c)
		if err != nil {
			return err
		}
		reading, hit, err := cache.GetOrLoad(c.UserContext(), d.Cache, cache.MarketLatestKey(id), d.CacheTTL,
			func(ctx context.Context) (ingest.StoredReading, error) {
				return d.Readings.LatestMarket(ctx, id)
			})
		if err != nil {
			return d.readError(err, "no market data for village", "failed to fetch market data")
		}
		setCacheHeader(c, hit)
		return c.JSON(reading)
	})

	villages.Get("/risk", func(c *fiber.Ctx) error {
		id, err := villageID(c)
		if err != nil {
			return err
		}
		result, hit, err := cache.GetOrLoad(c.UserContext(), d.Cache, cache.RiskKey(id), d.CacheTTL,
			func(ctx context.Context) (risk.Result, error) {
				weather, err := d.Readings.RecentWeather(ctx, id, risk.Window)
				if err != nil {
					return risk.Result{}, err
				}
				market, err := d.Readings.RecentMarket(ctx, id, risk.Window)
				if err != nil {
					return risk.Result{}, err
				}
				return risk.Score(weather, market), nil
			})
		if err != nil {
			return d.readError(err, "no data for village", "failed to compute risk")
		}
		setCacheHeader(c, hit)
		return c.JSON(fiber.Map{
			"villageId": id,
			"risk":      result,
		})
	})

	if d.Refresher != nil {
		villages.Post("/refresh", func(c *fiber.Ctx) error {
			id, err := villageID(c)
			if err != nil {
				return err
			}
			runs, err := d.Refresher.RefreshVillage(c.UserContext(), id)
			switch {
			case errors.Is(err, ingest.ErrUnknownVillage):
				return fiber.NewError(fiber.StatusNotFound, "unknown village "+strconv.Quote(id))
			case errors.Is(err, ingest.ErrNothingToRefresh):
				return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
			case err != nil:
				d.Logger.Error("village refresh failed", "village_id", id, "error", err)
				return fiber.NewError(fiber.StatusInternalServerError, "failed to refresh village")
			}

			failed := 0
			for _, r := range runs {
				if r.Outcome == ingest.OutcomeFailed {
					failed++
				}
			}
			d.Logger.Info("village refreshed via api", "village_id", id, "runs", len(runs), "failed", failed)
			return c.JSON(fiber.Map{
				"villageId": id,
				"failed":    failed,
				"runs":      runs,
			})
		})
	}

	v1.Post("/jobs/:name/run", func(c *fiber.Ctx) error {
		name := utils.CopyString(c.Params("name"))
		err := d.Jobs.RunNow(name)
		switch {
		case err == nil:
			d.Logger.Info("job triggered via api", "job", name)
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job": name, "status": "started"})
		case errors.Is(err, scheduler.ErrUnknownJob):
			return fiber.NewError(fiber.StatusNotFound, "unknown job "+strconv.Quote(name))
		case errors.Is(err, scheduler.ErrJobRunning):
			return fiber.NewError(fiber.StatusConflict, "job "+strconv.Quote(name)+" is already running")
		case errors.Is(err, scheduler.ErrStopped):
			return fiber.NewError(fiber.StatusServiceUnavailable, "scheduler is shutting down")
		default:
			d.Logger.Error("job trigger failed", "job", name, "error", err)
			return fiber.NewError(fiber.StatusInternalServerError, "failed to start job")
		}
	})
}

func (d Deps) readError(err error, notFound, failed string) error {
	if errors.Is(err, ingest.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, notFound)
	}
	d.Logger.Error("read failed", "error", err)
	return fiber.NewError(fiber.StatusInternalServerError, failed)
}

func setCacheHeader(c *fiber.Ctx, hit bool) {
	if hit {
		c.Set("X-Cache", "HIT")
		return
	}
	c.Set("X-Cache", "MISS")
}

type villageParam struct {
	ID string `validate:"required,max=64,printascii"`
}

// villageID returns a copy of the :id route parameter; fiber reuses the
// underlying buffer once the handler returns.
func villageID(c *fiber.Ctx) (string, error) {
	p := villageParam{ID: utils.CopyString(c.Params("id"))}
	if err := validate.Struct(p); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid village id")
	}
	return p.ID, nil
}

// historyQuery holds query parameters for the history endpoint.
type historyQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (h *historyQuery) bind(c *fiber.Ctx) error {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	h.From = from
	h.To = to
	return nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
