// Package charstore persists characters and app settings locally with
// sqlite. Full character sheets never leave this store; only name and
// avatar are shared with session peers.
package charstore

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/peerwave/peerwave/internal/protocol"
)

var ErrCharacterNotFound = errors.New("charstore: character not found")

type Character struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Avatar    string
	Sheet     string
	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

// Info returns the shareable subset of a character.
func (c *Character) Info() protocol.CharacterInfo {
	return protocol.CharacterInfo{Name: c.Name, Avatar: c.Avatar}
}

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

type Store struct {
	DB *gorm.DB
}

func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open character database: %w", err)
	}

	if err := db.AutoMigrate(&Character{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate character database: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) SaveCharacter(c *Character) error {
	result := s.DB.Save(c)
	if result.Error != nil {
		return fmt.Errorf("failed to save character: %w", result.Error)
	}
	return nil
}

func (s *Store) GetCharacter(name string) (*Character, error) {
	var c Character
	result := s.DB.Where("name = ?", name).First(&c)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrCharacterNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load character: %w", result.Error)
	}
	return &c, nil
}

func (s *Store) ListCharacters() ([]Character, error) {
	var characters []Character
	result := s.DB.Order("name").Find(&characters)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list characters: %w", result.Error)
	}
	return characters, nil
}

func (s *Store) DeleteCharacter(name string) error {
	result := s.DB.Where("name = ?", name).Delete(&Character{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete character: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCharacterNotFound
	}
	return nil
}

func (s *Store) SetSetting(key, value string) error {
	result := s.DB.Save(&Setting{Key: key, Value: value})
	if result.Error != nil {
		return fmt.Errorf("failed to save setting: %w", result.Error)
	}
	return nil
}

// GetSetting returns the stored value or the fallback when unset.
func (s *Store) GetSetting(key, fallback string) (string, error) {
	var setting Setting
	result := s.DB.Where("key = ?", key).First(&setting)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return fallback, nil
	}
	if result.Error != nil {
		return "", fmt.Errorf("failed to load setting: %w", result.Error)
	}
	return setting.Value, nil
}
