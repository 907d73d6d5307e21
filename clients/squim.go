package clients

import "context"

// --- Perceptual quality (/squim) ---
type SquimReq struct {
	Audio  []AudioIn `json:"audio"`
	Device string    `json:"device"`
}

type SquimResp struct {
	STOI []float64 `json:"stoi"`
	SDR  []float64 `json:"sdr"`
	PESQ []float64 `json:"pesq"`
}

func (h *HTTP) Squim(ctx context.Context, url string, req SquimReq) (*SquimResp, error) {
	var out SquimResp
	if err := h.postJSON(ctx, "squim", url+"/squim", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
