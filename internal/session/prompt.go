package session

import (
	"strings"
	"time"

	"github.com/ashureev/quantchat/internal/domain"
)

var baseRules = []string{
	"You are a backtesting agent. Prefer backtrader for simulations and portfolio logic.",
	"Use getPrices.get_prices(ticker, start, end, interval) for OHLCV data.",
	"Use testStrategy.run_strategy to wire backtrader quickly. It sets up cerebro, commission, and a buy-and-hold benchmark for you, and writes the chart data to " + domain.ChartPath + ".",
	"To show a chart yourself, write a JSON array of objects with candlestick, trades, result and an optional label to " + domain.ChartPath + ".",
	"Use search_news, search_posts and web_search from the sandbox working directory when the user asks about news, sentiment or current events.",
	"Avoid unnecessary print/log statements; only print concise, relevant results.",
	"Do as much work as possible in a single tool call instead of splitting execution unless safety or sequencing requires it (one combined code run > many steps).",
	"The sandbox keeps one live Python interpreter: variables, imports and DataFrames from earlier tool calls are still defined. Pass reset only when the user asks to start over or the sandbox is broken.",
}

var personaRules = map[domain.Persona][]string{
	domain.PersonaStockNoob: {
		"The user is new to investing (Stock Noob mode).",
		"Keep the final text reply short, plain, and beginner-friendly. Avoid trading jargon and summarize in simple terms.",
	},
	domain.PersonaQuantPro: {
		"The user is an experienced quant (Quant Pro mode).",
		"Be precise and use standard trading and statistics terminology. Report Sharpe ratio, max drawdown, win rate and profit factor next to returns.",
	},
	domain.PersonaQuantProHeavy: {
		"The user is an experienced quant who wants depth (Quant Pro Heavy mode).",
		"Be precise and use standard trading and statistics terminology. Report Sharpe ratio, max drawdown, win rate and profit factor next to returns.",
		"Check data quality, look-ahead bias and parameter sensitivity before drawing conclusions, and say what you checked.",
	},
}

const packagesRule = "The sandbox already has these Python packages installed: backtrader, python-dotenv, httpx, pydantic, yfinance (and their dependencies like pandas, numpy, and requests). Use them without reinstalling."

// System returns the system prompt for the session's persona at now.
func (s *Session) System(now time.Time) string {
	return SystemPrompt(s.persona, now)
}

// SystemPrompt builds the system prompt for persona at now.
func SystemPrompt(persona domain.Persona, now time.Time) string {
	rules, ok := personaRules[persona]
	if !ok {
		rules = personaRules[domain.DefaultPersona]
	}

	lines := make([]string, 0, len(baseRules)+len(rules)+2)
	lines = append(lines, "Current date and time: "+now.Format("Monday, January 2, 2006 at 3:04:05 PM MST")+".")
	lines = append(lines, baseRules...)
	lines = append(lines, rules...)
	lines = append(lines, packagesRule)
	return strings.Join(lines, " ")
}
