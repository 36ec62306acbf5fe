package jokehttp

// JokeResponse is the /get-joke payload
type JokeResponse struct {
	Joke          string `json:"joke"`
	RequestsToday int    `json:"requests_today"`
}

// StatsResponse is the /joke-stats payload. Timestamps are epoch seconds, oldest first.
type StatsResponse struct {
	UserIP            string    `json:"user_ip"`
	JokesRequested24h int       `json:"jokes_requested_24h"`
	Timestamps        []float64 `json:"timestamps"`
}
