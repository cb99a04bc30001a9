package model

import (
	"math"
	"time"
)

// Group is the active challenge group as the rest of the client sees it.
type Group struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	EndDate   time.Time `json:"end_date" yaml:"end_date"`
	PackageID string    `json:"package_id" yaml:"package_id"`
	Language  string    `json:"language" yaml:"language"`
	PrizeText string    `json:"prize_text" yaml:"prize_text"`
}

// GroupPatch is a partial update of the non-identifying group fields. Nil
// fields are left unchanged.
type GroupPatch struct {
	Name      *string
	EndDate   *time.Time
	PackageID *string
	Language  *string
	PrizeText *string
}

func (g Group) Apply(p GroupPatch) Group {
	if p.Name != nil {
		g.Name = *p.Name
	}
	if p.EndDate != nil {
		g.EndDate = *p.EndDate
	}
	if p.PackageID != nil {
		g.PackageID = *p.PackageID
	}
	if p.Language != nil {
		g.Language = *p.Language
	}
	if p.PrizeText != nil {
		g.PrizeText = *p.PrizeText
	}
	return g
}

// DaysRemaining returns the whole days left until the challenge ends, rounded
// up. It is 0 when no end date is set or the end date has passed.
func (g Group) DaysRemaining(now time.Time) int {
	if g.EndDate.IsZero() || !g.EndDate.After(now) {
		return 0
	}
	return int(math.Ceil(g.EndDate.Sub(now).Hours() / 24))
}

// Member is one participant of a group with the server's point total.
type Member struct {
	UserID  string `json:"user_id"`
	AuthUID string `json:"auth_uid"`
	Name    string `json:"name"`
	Avatar  string `json:"avatar,omitempty"`
	Points  int    `json:"points"`
}

// Key is the identity live point events refer to.
func (m Member) Key() string {
	if m.AuthUID != "" {
		return m.AuthUID
	}
	return m.UserID
}

// Standing is a member with its derived leaderboard position.
type Standing struct {
	Member
	Rank  int `json:"rank"`
	Level int `json:"level"`
}
