package clients

import "context"

// --- Phonemizer (/phonemize) ---
type PhonemizeReq struct {
	Texts []string `json:"texts"`
}
type PhonemizeResp struct {
	Phonemes []string `json:"phonemes"`
}

func (h *HTTP) Phonemize(ctx context.Context, url string, texts []string) (*PhonemizeResp, error) {
	var out PhonemizeResp
	if err := h.postJSON(ctx, "phonemizer", url+"/phonemize", PhonemizeReq{Texts: texts}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
