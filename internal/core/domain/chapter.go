package domain

import "time"

type Chapter struct {
	ID        string    `json:"id"`
	SeriesID  string    `json:"series_id"`
	Number    float64   `json:"number"`
	Title     string    `json:"title,omitempty"`
	SourceKey string    `json:"source_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Page struct {
	ID         string    `json:"id"`
	ChapterID  string    `json:"chapter_id"`
	PageNumber int       `json:"page_number"`
	ImageKey   string    `json:"image_key"`
	CreatedAt  time.Time `json:"created_at"`
}
