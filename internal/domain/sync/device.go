package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"

	"golang.org/x/crypto/bcrypt"
)

// RegisterDevice создает устройство при первом обращении. Токен, присланный первым,
// закрепляется за устройством, последующие запросы обязаны его предъявлять.
func (s *Service) RegisterDevice(ctx context.Context, reg DeviceRegistration) (*Device, error) {
	if reg.DeviceID == "" {
		return nil, newError(ErrInvalidRequest, CodeDeviceIDMissing, "device id is required")
	}

	device, err := s.repo.GetDevice(ctx, reg.DeviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		device, err = s.createDevice(ctx, reg)
		if !errors.Is(err, ErrDeviceExists) {
			if err == nil {
				s.activity.markRegistered(reg.DeviceID)
			}
			return device, err
		}
		// устройство зарегистрировал параллельный запрос
		device, err = s.repo.GetDevice(ctx, reg.DeviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if err := s.updateDevice(ctx, device, reg); err != nil {
		return nil, err
	}
	s.activity.markRegistered(reg.DeviceID)
	return device, nil
}

func (s *Service) createDevice(ctx context.Context, reg DeviceRegistration) (*Device, error) {
	now := s.clock.Now()
	device := &Device{
		ID:        reg.DeviceID,
		UserID:    reg.UserID,
		Name:      reg.Name,
		UserAgent: reg.UserAgent,
		LastSeen:  now,
		CreatedAt: now,
	}
	if reg.Token != "" {
		hash, err := s.hashToken(reg.Token)
		if err != nil {
			return nil, err
		}
		device.TokenHash = hash
	}

	if err := s.repo.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, ErrDeviceExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	s.log.Info("device registered", "device_id", device.ID, "user_id", device.UserID)
	return device, nil
}

func (s *Service) updateDevice(ctx context.Context, device *Device, reg DeviceRegistration) error {
	switch {
	case device.TokenHash != "":
		if reg.Token == "" || bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(reg.Token)) != nil {
			return newError(ErrInvalidDeviceToken, CodeDeviceTokenInvalid, "device token is missing or invalid")
		}
	case reg.Token != "":
		hash, err := s.hashToken(reg.Token)
		if err != nil {
			return err
		}
		device.TokenHash = hash
	}

	if device.UserID == "" && reg.UserID != "" {
		device.UserID = reg.UserID
	}
	if reg.Name != "" {
		device.Name = reg.Name
	}
	if reg.UserAgent != "" {
		device.UserAgent = reg.UserAgent
	}
	if device.ArchivedAt != nil {
		s.log.Info("archived device is back", "device_id", device.ID)
		device.ArchivedAt = nil
	}
	device.LastSeen = s.clock.Now()

	if err := s.repo.UpdateDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	return nil
}

func (s *Service) hashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.config.TokenCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash device token: %w", err)
	}
	return string(hash), nil
}

// TouchDevice обновляет время последнего обращения
func (s *Service) TouchDevice(ctx context.Context, deviceID string) error {
	if err := s.repo.TouchDevice(ctx, deviceID, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// ActivityRegistry состояние устройств в цикле синхронизации.
// Блокировка держится только на время смены состояния, не на время работы с хранилищем.
type ActivityRegistry struct {
	mu     stdsync.Mutex
	states map[string]DeviceState
}

func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{states: make(map[string]DeviceState)}
}

// State текущее состояние устройства
func (r *ActivityRegistry) State(deviceID string) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[deviceID]; ok {
		return st
	}
	return DeviceUnregistered
}

// BeginPush переводит устройство в SYNCING. Второй push того же устройства
// получает ErrSyncInProgress. Возвращённую функцию нужно вызвать по завершении.
func (r *ActivityRegistry) BeginPush(deviceID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.states[deviceID] == DeviceSyncing {
		return nil, newError(ErrSyncInProgress, CodeSyncInProgress, "another push from this device is in progress")
	}
	r.states[deviceID] = DeviceSyncing

	var once stdsync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.states[deviceID] = DeviceIdle
			r.mu.Unlock()
		})
	}, nil
}

// Forget убирает состояние архивированных устройств. Устройство в SYNCING остаётся.
func (r *ActivityRegistry) Forget(deviceIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range deviceIDs {
		if r.states[id] != DeviceSyncing {
			delete(r.states, id)
		}
	}
}

func (r *ActivityRegistry) markRegistered(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[deviceID]; !ok {
		r.states[deviceID] = DeviceRegistered
	}
}

func (r *ActivityRegistry) markIdle(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[deviceID] != DeviceSyncing {
		r.states[deviceID] = DeviceIdle
	}
}
