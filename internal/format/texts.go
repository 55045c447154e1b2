package format

// Fixed bilingual (Arabic first, then English) user-facing texts.
const (
	welcomeText = `مرحباً بك في نظام الاستعلام عن سياسات الشركة 👋

يمكنك استخدام هذا البوت للاستفسار عن سياسات الشركة وإجراءاتها. ما عليك سوى إرسال سؤالك، وسيقوم النظام بالبحث في وثائق السياسة وتقديم إجابة دقيقة.

الأوامر المتاحة:
/start - بدء استخدام البوت
/help - عرض المساعدة
/status - عرض حالة النظام

Welcome to the Company Policy Query System 👋

You can use this bot to inquire about company policies and procedures. Simply send your question, and the system will search the policy documents and provide an accurate answer.

Available commands:
/start - Start using the bot
/help - Display help
/status - Show system status`

	helpText = `كيفية استخدام البوت:

1. اكتب سؤالك باللغة العربية أو الإنجليزية
2. انتظر الإجابة من النظام

الأوامر:
/start - بدء استخدام البوت
/help - عرض هذه المساعدة
/status - عرض حالة النظام

How to use the bot:

1. Type your question in Arabic or English
2. Wait for the system's response

Commands:
/start - Start using the bot
/help - Display this help
/status - Show system status`

	processingText = "جاري معالجة استفسارك...\n\nProcessing your query..."

	errorText = "❌ حدث خطأ أثناء معالجة استفسارك. يرجى المحاولة مرة أخرى لاحقاً.\n\n❌ An error occurred while processing your query. Please try again later."

	rateLimitedText = "⏳ لقد أرسلت الكثير من الاستفسارات. يرجى الانتظار قليلاً ثم المحاولة مرة أخرى.\n\n⏳ You are sending queries too quickly. Please wait a moment and try again."

	noAnswerText = "لم يتم العثور على إجابة / No answer found"

	unknownTitle = "غير معروف / Unknown"

	answerFooter = "\n\n------\nالوقت: %.2f ثانية"

	statusUnreachableText = "❌ خطأ في الاتصال بنظام الاستعلام\n\n❌ Error connecting to the query system"

	statusNoDocumentText = "✅ نظام الاستعلام يعمل\n❌ لم يتم تحميل أي وثيقة بعد\n\n✅ Query system is operational\n❌ No document uploaded yet"

	statusDocumentTemplate = `✅ نظام الاستعلام يعمل
📄 الوثيقة: %[1]s
🧩 عدد المقاطع: %[2]d

✅ Query system is operational
📄 Document: %[1]s
🧩 Chunk count: %[2]d`
)
