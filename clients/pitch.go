package clients

import "context"

// --- Pitch (/pitch) ---
type PitchReq struct {
	Audio         []AudioIn `json:"audio"`
	Device        string    `json:"device"`
	PennBatchSize int       `json:"penn_batch_size"`
}
type PitchResp struct {
	Mean []float64 `json:"utterance_pitch_mean"`
	Std  []float64 `json:"utterance_pitch_std"`
}

func (h *HTTP) Pitch(ctx context.Context, url string, req PitchReq) (*PitchResp, error) {
	var out PitchResp
	if err := h.postJSON(ctx, "pitch", url+"/pitch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
