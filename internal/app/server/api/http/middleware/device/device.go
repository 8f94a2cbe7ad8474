package device

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"possync/internal/app/server/api/http/apierror"
	"possync/internal/domain/sync"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

const (
	HeaderDeviceID    = "x-device-id"
	HeaderDeviceToken = "x-device-token"
	HeaderDeviceName  = "x-device-name"
	HeaderUserID      = "x-user-id"
	QueryDeviceID     = "deviceId"

	// bodyPeekLimit тела длиннее не разбираются в поисках deviceId
	bodyPeekLimit = 1 << 20
)

var uuidV4 = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// ValidID проверяет формат идентификатора устройства (UUID v4)
func ValidID(id string) bool {
	return uuidV4.MatchString(id)
}

// Registrar регистрирует устройство и проверяет его токен
type Registrar interface {
	RegisterDevice(ctx context.Context, reg sync.DeviceRegistration) (*sync.Device, error)
}

// Context устройство, от имени которого выполняется запрос
type Context struct {
	DeviceID string
	UserID   string
	Name     string
	Device   *sync.Device
}

type contextKey struct{}

func WithContext(ctx context.Context, dc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, dc)
}

func FromContext(ctx context.Context) (Context, bool) {
	dc, ok := ctx.Value(contextKey{}).(Context)
	return dc, ok
}

type Identity struct {
	registrar Registrar
	log       *slog.Logger
}

func New(registrar Registrar, log *slog.Logger) *Identity {
	return &Identity{
		registrar: registrar,
		log:       log.With("component", "device_middleware"),
	}
}

// Middleware определяет устройство по x-device-id, без заголовка берёт deviceId
// из запроса или из JSON-тела POST. Регистрирует устройство при первом обращении
// и кладет device.Context в контекст запроса
func (m *Identity) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		deviceID := strings.TrimSpace(ctx.Header(HeaderDeviceID))
		if deviceID == "" {
			deviceID = strings.TrimSpace(ctx.Query(QueryDeviceID))
		}
		if deviceID == "" && ctx.Method() == http.MethodPost {
			var fromBody string
			ctx, fromBody = peekBodyDeviceID(ctx)
			deviceID = strings.TrimSpace(fromBody)
		}

		if deviceID == "" {
			m.reject(ctx, apierror.BadRequest(sync.CodeDeviceIDMissing, "x-device-id header is required"))
			return
		}
		if !ValidID(deviceID) {
			m.reject(ctx, apierror.BadRequest(sync.CodeInvalidDeviceID, "device id must be a UUID v4"))
			return
		}

		reg := sync.DeviceRegistration{
			DeviceID:  deviceID,
			UserID:    ctx.Header(HeaderUserID),
			Token:     token(ctx),
			Name:      ctx.Header(HeaderDeviceName),
			UserAgent: ctx.Header("User-Agent"),
		}

		d, err := m.registrar.RegisterDevice(ctx.Context(), reg)
		if err != nil {
			m.log.Warn("device rejected", "device_id", deviceID, "error", err)
			m.reject(ctx, apierror.FromDomain(err))
			return
		}

		dc := Context{
			DeviceID: d.ID,
			UserID:   d.UserID,
			Name:     d.Name,
			Device:   d,
		}
		next(huma.WithContext(ctx, WithContext(ctx.Context(), dc)))
	}
}

func (m *Identity) reject(ctx huma.Context, e *apierror.APIError) {
	if err := apierror.Write(ctx, e); err != nil {
		m.log.Error("failed to write error response", "error", err)
	}
}

func token(ctx huma.Context) string {
	if t := ctx.Header(HeaderDeviceToken); t != "" {
		return t
	}
	auth := ctx.Header("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type humaContext = huma.Context

// bufferedContext отдаёт обработчику уже прочитанное тело запроса
type bufferedContext struct {
	humaContext
	body io.Reader
}

func (c *bufferedContext) BodyReader() io.Reader {
	return c.body
}

// peekBodyDeviceID читает deviceId из JSON-тела POST-запроса.
// Возвращает контекст, из которого тело можно прочитать заново.
func peekBodyDeviceID(ctx huma.Context) (huma.Context, string) {
	src := ctx.BodyReader()
	if src == nil {
		return ctx, ""
	}
	buf, err := io.ReadAll(io.LimitReader(src, bodyPeekLimit+1))
	restored := &bufferedContext{humaContext: ctx, body: io.MultiReader(bytes.NewReader(buf), src)}
	if err != nil || len(buf) > bodyPeekLimit {
		return restored, ""
	}

	var payload struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(buf, &payload); err != nil {
		return restored, ""
	}
	return restored, payload.DeviceID
}
