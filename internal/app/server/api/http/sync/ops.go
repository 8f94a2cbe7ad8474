package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) pushOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-push",
		Method:      http.MethodPost,
		Path:        "/sync/push",
		Summary:     "Отправить операции устройства",
		Description: "Принимает пакет операций, применяет их к каноническому состоянию и возвращает подтверждения, конфликты и ошибки по каждой операции",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) pullOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodPost,
		Path:        "/sync/pull",
		Summary:     "Получить изменения",
		Description: "Возвращает изменения по коллекциям после контрольной точки устройства и неразрешенные конфликты",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) resolveOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-resolve-conflicts",
		Method:      http.MethodPost,
		Path:        "/sync/resolve-conflicts",
		Summary:     "Разрешить конфликты",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) statusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Статус устройства",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) statsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-stats",
		Method:      http.MethodGet,
		Path:        "/sync/stats",
		Summary:     "Подробная статистика синхронизации",
		Description: "Статистика журнала операций за период с рекомендациями",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) cleanupOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-cleanup",
		Method:      http.MethodDelete,
		Path:        "/sync/cleanup",
		Summary:     "Очистить журнал операций",
		Description: "Удаляет синхронизированные операции устройства старше заданного числа дней",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}

func (h *Handler) conflictsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-conflicts",
		Method:      http.MethodGet,
		Path:        "/sync/conflicts",
		Summary:     "Конфликты устройства",
		Tags:        []string{"sync"},
		Middlewares: h.middleware,
	}
}
