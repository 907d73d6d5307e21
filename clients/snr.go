package clients

import "context"

// --- SNR and reverberation (/snr) ---
type SNRReq struct {
	Audio  []AudioIn `json:"audio"`
	Device string    `json:"device"`
}

// SNRResp carries SpeechDuration only when the service's voice activity
// segmentation succeeded; it is nil otherwise.
type SNRResp struct {
	SNR            []float64 `json:"snr"`
	C50            []float64 `json:"c50"`
	SpeechDuration []float64 `json:"speech_duration,omitempty"`
}

func (h *HTTP) SNR(ctx context.Context, url string, req SNRReq) (*SNRResp, error) {
	var out SNRResp
	if err := h.postJSON(ctx, "snr", url+"/snr", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
