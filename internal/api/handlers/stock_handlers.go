package handlers

import (
	"net/http"

	"github.com/agentoven/postpilot/pkg/models"
)

type stockRequest struct {
	Account  string  `json:"account"`
	Platform string  `json:"platform"`
	ID       string  `json:"id"`
	Theme    string  `json:"theme"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// GetStock serves ?view=status|details|check.
func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch view := r.URL.Query().Get("view"); view {
	case "", "status":
		st, err := h.Stock.GetStockStatus(ctx)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, st)

	case "details":
		items, err := h.Stock.GetDetails(ctx, r.URL.Query().Get("account"))
		if err != nil {
			respondErr(w, r, err)
			return
		}
		if items == nil {
			items = []models.StockItem{}
		}
		respondJSON(w, http.StatusOK, items)

	case "check":
		low, err := h.Stock.CheckStockLevels(ctx)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"needsRefill": len(low) > 0,
			"accounts":    low,
		})

	default:
		respondError(w, http.StatusBadRequest, "unknown view: "+view)
	}
}

// PostStock dispatches refill-all|refill|use|get-post|delete|add|publish.
func (h *Handlers) PostStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	action, err := readAction(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ctx := r.Context()

	switch action {
	case "refill-all":
		results, err := h.Stock.RefillAll(ctx)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, results)

	case "refill":
		res, err := h.Stock.RefillStock(ctx, req.Account)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)

	case "use":
		item, err := h.Stock.UseFromStock(ctx, req.Account)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"item": item})

	case "get-post":
		if req.ID == "" {
			respondError(w, http.StatusBadRequest, "id is required")
			return
		}
		item, err := h.Stock.GetPost(ctx, req.ID)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, item)

	case "delete":
		if req.ID == "" {
			respondError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := h.Stock.Delete(ctx, req.ID); err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case "add":
		item, err := h.Stock.Add(ctx, req.Account, req.Theme, req.Text, req.Score)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, item)

	case "publish":
		out, err := h.Publisher.Publish(ctx, req.Account, req.Platform, "http:stock")
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, out)

	default:
		respondUnknownAction(w, action)
	}
}
