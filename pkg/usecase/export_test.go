package usecase

import "github.com/m-mizutani/lifemon/pkg/domain/model"

type ConfigService = configService

func (c *configService) FindConfigInDirectory(dir string) string {
	return c.findConfigInDirectory(dir)
}

var MaskWebhookURL = maskWebhookURL

func Transition(b0 *model.BuildRecord, completed []*model.BuildRecord, last *model.Notification) (model.EventType, bool) {
	return transition(b0, completed, last)
}
